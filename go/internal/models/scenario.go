package models

// Scenario is read-only content loaded from the content store.
type Scenario struct {
	ID                string   `json:"id" yaml:"id"`
	Title             string   `json:"title" yaml:"title"`
	Description       string   `json:"description" yaml:"description"`
	PullOption        string   `json:"pull_option" yaml:"pull_option"`
	DontPullOption    string   `json:"dont_pull_option" yaml:"dont_pull_option"`
	Assumptions       []string `json:"assumptions,omitempty" yaml:"assumptions"`
	DiscussionPrompts []string `json:"discussion_prompts,omitempty" yaml:"discussion_prompts"`
	Position          int      `json:"position" yaml:"position"`
}
