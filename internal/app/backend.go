package app

import (
	"context"
	"fmt"

	"github.com/rbright/sttd/internal/modelregistry"
	"github.com/rbright/sttd/internal/modelruntime"
)

// externalLoader builds the modelruntime.Loader seam over the model
// registry: it resolves the requested model's cached files and returns a
// Backend bound to them. The neural network that actually turns samples
// into text is an external collaborator (§1 Out-of-scope) — this package
// only proves every file the catalog promises is present on disk before
// handing control to that backend.
func externalLoader(registry *modelregistry.Registry) modelruntime.Loader {
	return func(ctx context.Context, modelID string, device modelruntime.Device) (modelruntime.Backend, error) {
		spec, ok := modelregistry.Lookup(modelID)
		if !ok {
			return nil, fmt.Errorf("unknown model %q", modelID)
		}

		paths := make([]string, 0, len(spec.Files))
		for _, filename := range spec.Files {
			path, resolved := registry.Resolved(spec.Repo, spec.Revision, filename)
			if !resolved {
				return nil, fmt.Errorf("model %q file %q is not cached; trigger a download via set_model first", modelID, filename)
			}
			paths = append(paths, path)
		}

		return &externalBackend{modelID: modelID, kind: spec.Backend, device: device, files: paths}, nil
	}
}

// externalBackend is the loaded-but-unimplemented inference seam: it
// holds everything a real Whisper/Voxtral runner would need (resolved
// file paths, target device) but defers the actual forward pass to the
// external backend named in §1 Out-of-scope.
type externalBackend struct {
	modelID string
	kind    string
	device  modelruntime.Device
	files   []string
}

func (b *externalBackend) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	return "", fmt.Errorf("inference backend %q for model %q is not wired into this build; integrate a %s runner over %v", b.kind, b.modelID, b.kind, b.files)
}

func (b *externalBackend) Close() error {
	return nil
}
