package models

// Fragment is one incremental piece of a streamed response. Text may be empty when the chunk only
// carries grounding metadata.
type Fragment struct {
	Text      string
	Citations []Citation
}

// Capabilities are the request-level options a user can toggle per send. They are independent and
// composable.
type Capabilities struct {
	// Search enables web-grounded search.
	Search bool
	// Thinking requests extended reasoning. Backends drop it for models that don't support it.
	Thinking bool
}

// Turn is one prior entry of the conversation history handed to a backend.
type Turn struct {
	Role        Role
	Text        string
	Attachments []Attachment
}

// TurnRequest is everything a backend needs to produce the next assistant response. It is built fresh
// for every send and discarded once the stream ends.
type TurnRequest struct {
	History     []Turn
	Text        string
	Attachments []Attachment
	Model       string
	Capabilities
}

// ModelInfo describes a selectable model.
type ModelInfo struct {
	Name  string `yaml:"name"`
	Label string `yaml:"label"`
	// Thinking declares support for extended reasoning.
	Thinking bool `yaml:"thinking"`
}

// FindModel returns the catalog entry with the given name.
func FindModel(catalog []ModelInfo, name string) (ModelInfo, bool) {
	for _, m := range catalog {
		if m.Name == name {
			return m, true
		}
	}
	return ModelInfo{}, false
}
