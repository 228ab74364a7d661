package pipeline

// ImageInput is one caller-supplied image, by its caller-visible filename.
type ImageInput struct {
	Name string
	Data []byte
}

// RenderRequest describes one drawing generation job: a script for the CAD
// engine plus the images the script places.
type RenderRequest struct {
	Name   string
	Script string
	Images []ImageInput
}

// RenderResult is the terminal value of one orchestration run. Run never
// returns an error; failures are captured here with Success unset.
type RenderResult struct {
	Success    bool       `json:"success"`
	WorkItemID string     `json:"workItemId,omitempty"`
	OutputURL  string     `json:"dwgUrl,omitempty"`
	Output     []byte     `json:"-"`
	ViewerRef  string     `json:"viewerRef,omitempty"`
	Report     string     `json:"report,omitempty"`
	Log        []LogEntry `json:"log"`
	Errors     []string   `json:"errors"`
}
