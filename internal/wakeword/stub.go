package wakeword

// stubMelHop is the per-frame hop the stub spectrogram pretends to use.
const stubMelHop = 160

// Stub is a deterministic ModelSet for tests. The mel stage emits one
// frame per stubMelHop samples whose bins carry ten times the hop's mean
// absolute amplitude, so the pipeline's x/10+2 transform turns them into
// 2 plus that mean; embeddings and scores are simple means, so louder input
// yields higher scores. ScoreFunc overrides the classifier when set.
type Stub struct {
	ScoreFunc func(features [][]float32) float32

	MelCalls      int
	EmbedCalls    int
	ClassifyCalls int
	Closed        bool
}

// Mel emits len(samples)/stubMelHop frames in the model output domain.
func (s *Stub) Mel(samples []float32) ([][]float32, error) {
	s.MelCalls++
	t := len(samples) / stubMelHop
	frames := make([][]float32, t)
	for i := 0; i < t; i++ {
		var sum float32
		for _, v := range samples[i*stubMelHop : (i+1)*stubMelHop] {
			if v < 0 {
				v = -v
			}
			sum += v
		}
		frame := make([]float32, MelBins)
		for j := range frame {
			frame[j] = sum / stubMelHop * 10
		}
		frames[i] = frame
	}
	return frames, nil
}

// Embed returns an EmbeddingSize vector of the window mean.
func (s *Stub) Embed(window [][]float32) ([]float32, error) {
	s.EmbedCalls++
	var sum float32
	for _, frame := range window {
		for _, v := range frame {
			sum += v
		}
	}
	mean := sum / float32(len(window)*MelBins)
	out := make([]float32, EmbeddingSize)
	for i := range out {
		out[i] = mean
	}
	return out, nil
}

// Classify returns ScoreFunc when set, otherwise the feature mean scaled
// into [0, 1] relative to the silent baseline of 2.0 set by the affine
// transform.
func (s *Stub) Classify(features [][]float32) (float32, error) {
	s.ClassifyCalls++
	if s.ScoreFunc != nil {
		return s.ScoreFunc(features), nil
	}
	var sum float32
	for _, f := range features {
		for _, v := range f {
			sum += v
		}
	}
	mean := sum / float32(len(features)*EmbeddingSize)
	score := (mean - 2.0) * 2
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// Close records the call; the stub holds no resources.
func (s *Stub) Close() error {
	s.Closed = true
	return nil
}
