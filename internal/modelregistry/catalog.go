package modelregistry

// ModelSpec is one selectable model's static download descriptor: which
// hub repo/revision/files back it, and which runtime backend loads it.
type ModelSpec struct {
	ID       string
	Backend  string // "whisper" | "voxtral"
	Repo     string
	Revision string
	Files    []string
}

// Catalog is the fixed set of models `list_models`/`set_model` offer.
// Real hub coordinates; the daemon only ever downloads what's listed here.
var Catalog = []ModelSpec{
	{
		ID:       "whisper-tiny",
		Backend:  "whisper",
		Repo:     "ggerganov/whisper.cpp",
		Revision: "main",
		Files:    []string{"ggml-tiny.bin"},
	},
	{
		ID:       "whisper-small",
		Backend:  "whisper",
		Repo:     "ggerganov/whisper.cpp",
		Revision: "main",
		Files:    []string{"ggml-small.bin"},
	},
	{
		ID:       "whisper-medium",
		Backend:  "whisper",
		Repo:     "ggerganov/whisper.cpp",
		Revision: "main",
		Files:    []string{"ggml-medium.bin"},
	},
	{
		ID:       "voxtral-mini",
		Backend:  "voxtral",
		Repo:     "mistralai/Voxtral-Mini-3B-2507",
		Revision: "main",
		Files:    []string{"consolidated.safetensors", "params.json"},
	},
}

// Lookup finds a catalog entry by ID.
func Lookup(id string) (ModelSpec, bool) {
	for _, m := range Catalog {
		if m.ID == id {
			return m, true
		}
	}
	return ModelSpec{}, false
}

// IDs returns every catalog model id, in catalog order.
func IDs() []string {
	ids := make([]string, len(Catalog))
	for i, m := range Catalog {
		ids[i] = m.ID
	}
	return ids
}
