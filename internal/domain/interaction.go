// SPDX-License-Identifier: Apache-2.0

package domain

// Interaction is a user click forwarded by the host page while recording.
type Interaction struct {
	Text         string  `json:"text"`
	AriaLabel    string  `json:"aria_label"`
	Placeholder  string  `json:"placeholder"`
	Title        string  `json:"title"`
	Tag          string  `json:"tag"`
	InputType    string  `json:"input_type"`
	AncestorText string  `json:"ancestor_text"`
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	URL          string  `json:"url"`
}
