package model

type CreateWebhook struct {
	URL         string   `json:"url"`
	Events      []string `json:"events"`
	Secret      string   `json:"secret"`
	Description string   `json:"description"`
}

// UpdateWebhook carries only the fields the caller wants to change.
type UpdateWebhook struct {
	URL         *string  `json:"url"`
	Events      []string `json:"events"`
	Secret      *string  `json:"secret"`
	Description *string  `json:"description"`
	Active      *bool    `json:"active"`
}
