package v0

// RenderSpec v0: request body for a remote renderer service.
//   - job_id: identifier of the job, for the renderer's own logs
//   - target: exactly one of url or html
//   - output: capture format and viewport
//
// The renderer answers 200 with the artifact bytes as the body and the
// matching Content-Type, or a non-2xx status with an ErrorBody.
type RenderSpec struct {
	JobID  string `json:"job_id"`
	Target struct {
		URL  string `json:"url,omitempty"`
		HTML string `json:"html,omitempty"`
	} `json:"target"`
	Output struct {
		Format   string `json:"format"`
		Width    int    `json:"width"`
		Height   int    `json:"height"`
		FullPage bool   `json:"full_page,omitempty"`
		Quality  int    `json:"quality,omitempty"`
	} `json:"output"`
	WaitMS int `json:"wait_ms,omitempty"`
}

type ErrorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
