// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package ai

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Image is an extracted asset submitted for description.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
	// Context is nearby document text, used to ground the description.
	Context string
}

const descriptionPrompt = `Describe the image below for a search index.

Write one or two plain sentences stating what the image shows: its subject, any visible text, and
for charts or diagrams, what is being compared or explained. Do not start with "This image" or
"The image". Do not speculate beyond what is visible. Output only the description.`

// DescriptionPrompt builds the instruction sent with img.
func DescriptionPrompt(img Image) string {
	var b strings.Builder
	b.WriteString(descriptionPrompt)
	fmt.Fprintf(&b, "\n\nFile name: %s", img.Name)
	if c := strings.TrimSpace(img.Context); c != "" {
		fmt.Fprintf(&b, "\nSurrounding text: %s", Truncate(c, 400))
	}
	return b.String()
}

// CleanDescription flattens model output to a single line of at most max
// characters. Zero max disables truncation.
func CleanDescription(s string, max int) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'`")
	s = strings.Join(strings.Fields(s), " ")
	// Brackets would break the Markdown image syntax the description lands in.
	s = strings.NewReplacer("[", "(", "]", ")").Replace(s)
	if max > 0 {
		s = Truncate(s, max)
	}
	return s
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n]))
}
