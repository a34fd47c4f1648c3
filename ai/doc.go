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


// Package ai defines the AI services used during ingestion.
//
// # Services
//
//   - ImageDescriber: turns an extracted image into a short description that
//     replaces the image placeholder in converted Markdown
//   - Embedder: produces vectors for chunks when a vector sink needs them
//   - CredentialResolver: decides which describer, if any, an owner may use
//
// An owner without a resolved credential has no LLM capability, and jobs
// requesting LLM image descriptions fall back to basic descriptions.
//
// # Implementations
//
//	provider, err := openai.NewProvider(config)  // returns ai.AIProvider
//	describer, err := gemini.NewDescriber(ctx, config)
//
//	mockDescriber := mock.NewMockDescriber()     // returns *mock.MockDescriber
//	count := mockDescriber.CallCount()           // test assertion
//
// # Credentials
//
//	resolver, err := ai.LoadCredentialsFile("credentials.yaml", factory)
//	describer, err := resolver.Describer(ctx, "alice")
//	if errors.Is(err, ai.ErrNoCredential) {
//	    // basic descriptions only
//	}
package ai
