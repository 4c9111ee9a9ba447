package imagegen

// Request shape we send to the provider's generation endpoint.
type providerGenerateRequest struct {
	Prompt        string  `json:"prompt"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	StylePreset   string  `json:"style_preset,omitempty"`
	Steps         int     `json:"steps"`
	GuidanceScale float64 `json:"guidance_scale"`
	Seed          int64   `json:"seed"`
	Samples       int     `json:"samples"`
}

type providerImage struct {
	URL  string `json:"url"`
	Seed int64  `json:"seed,omitempty"`
}

type providerGenerateResponse struct {
	ID     string          `json:"id,omitempty"`
	Images []providerImage `json:"images"`
}

type providerErrorResponse struct {
	Error struct {
		Message string      `json:"message"`
		Type    string      `json:"type"`
		Code    interface{} `json:"code"`
	} `json:"error"`
}
