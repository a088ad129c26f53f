package wakeword

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/spf13/afero"
)

// Fixed assets of the model chain: the spectrogram and embedding graphs
// ship with the satellite and are not selectable.
const (
	MelModelFile       = "melspectrogram.onnx"
	EmbeddingModelFile = "embedding_model.onnx"
)

// Store resolves model references against two directories: the bundled
// read-only set and the user's writable imports.
type Store struct {
	builtin afero.Fs
	user    afero.Fs

	// validate proves a candidate model instantiates before an import is
	// committed. Overridable in tests; defaults to ValidateModel.
	validate func([]byte) error
}

// NewStore builds a store over the given directories on the host
// filesystem. The builtin side is wrapped read-only.
func NewStore(builtinDir, userDir string) *Store {
	base := afero.NewOsFs()
	return &Store{
		builtin:  afero.NewReadOnlyFs(afero.NewBasePathFs(base, builtinDir)),
		user:     afero.NewBasePathFs(base, userDir),
		validate: ValidateModel,
	}
}

// NewStoreFs builds a store over explicit filesystems, used by tests.
func NewStoreFs(builtin, user afero.Fs) *Store {
	return &Store{builtin: afero.NewReadOnlyFs(builtin), user: user, validate: ValidateModel}
}

// Open returns the serialized bytes of the referenced model.
func (s *Store) Open(ref ModelRef) ([]byte, error) {
	fs := s.builtin
	if ref.Kind == KindUser {
		fs = s.user
	}
	data, err := afero.ReadFile(fs, ref.Name)
	if err != nil {
		return nil, fmt.Errorf("wakeword: read model %s: %w", ref, err)
	}
	return data, nil
}

// Import validates candidate bytes in an ephemeral runtime and only then
// writes them into the user directory. A graph that fails to instantiate
// is rejected without touching the store.
func (s *Store) Import(name string, data []byte) (ModelRef, error) {
	ref := ModelRef{Kind: KindUser, Name: name}
	if err := s.validate(data); err != nil {
		return ModelRef{}, fmt.Errorf("wakeword: reject import %s: %w", name, err)
	}
	if err := afero.WriteFile(s.user, name, data, 0o644); err != nil {
		return ModelRef{}, fmt.Errorf("wakeword: write model %s: %w", name, err)
	}
	return ref, nil
}

// List enumerates the classifiers available from both directories,
// builtin first, each side sorted by name. The fixed mel and embedding
// assets are not listed.
func (s *Store) List() []ModelRef {
	var refs []ModelRef
	refs = append(refs, listSide(s.builtin, KindBuiltin)...)
	refs = append(refs, listSide(s.user, KindUser)...)
	return refs
}

func listSide(fs afero.Fs, kind ModelKind) []ModelRef {
	entries, err := afero.ReadDir(fs, ".")
	if err != nil {
		return nil
	}
	var refs []ModelRef
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if name == MelModelFile || name == EmbeddingModelFile {
			continue
		}
		refs = append(refs, ModelRef{Kind: kind, Name: name})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs
}

// LoadModelSet opens the fixed mel and embedding graphs plus the selected
// classifier and instantiates the chain. A classifier that cannot be read
// or loaded falls back to the builtin default with a warning; mel or
// embedding failures are fatal because nothing can stand in for them.
func LoadModelSet(store *Store, classifier ModelRef, logger *slog.Logger) (ModelSet, ModelRef, error) {
	return loadModelSet(store, classifier, logger, func(mel, emb, cls []byte) (ModelSet, error) {
		return NewONNXModelSet(mel, emb, cls)
	})
}

// loadModelSet is LoadModelSet with an injectable constructor so the
// fallback policy is testable without the ONNX runtime.
func loadModelSet(store *Store, classifier ModelRef, logger *slog.Logger,
	construct func(mel, emb, cls []byte) (ModelSet, error)) (ModelSet, ModelRef, error) {

	if logger == nil {
		logger = slog.Default()
	}

	melData, err := store.Open(ModelRef{Kind: KindBuiltin, Name: MelModelFile})
	if err != nil {
		return nil, ModelRef{}, err
	}
	embData, err := store.Open(ModelRef{Kind: KindBuiltin, Name: EmbeddingModelFile})
	if err != nil {
		return nil, ModelRef{}, err
	}

	open := func(ref ModelRef) (ModelSet, error) {
		clsData, err := store.Open(ref)
		if err != nil {
			return nil, err
		}
		return construct(melData, embData, clsData)
	}

	set, err := open(classifier)
	if err == nil {
		return set, classifier, nil
	}
	if classifier == DefaultClassifier {
		return nil, ModelRef{}, err
	}

	logger.Warn("classifier failed to load, falling back to builtin default",
		"selected", classifier.String(), "fallback", DefaultClassifier.String(), "error", err)
	set, fallbackErr := open(DefaultClassifier)
	if fallbackErr != nil {
		return nil, ModelRef{}, fmt.Errorf("wakeword: fallback classifier: %w", fallbackErr)
	}
	return set, DefaultClassifier, nil
}
