// Package mocks provides shared mock implementations for testing.
//
// # Usage
//
//	import "roomaker/internal/mocks"
//
//	func TestSomething(t *testing.T) {
//	    mockLLM := mocks.NewMockLLMClient()
//	    mockLLM.RespondWith("OK")
//	    inv := llm.NewInvoker(mockLLM)
//	    // Use inv in test...
//	}
//
// # Available Mocks
//
//   - MockLLMClient: Mock for pkg/llm.LLMClient
package mocks
