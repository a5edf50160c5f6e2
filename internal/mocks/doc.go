// Package mocks provides shared test doubles.
//
//	func TestCommit(t *testing.T) {
//	    git := mocks.NewMockGitRunner()
//	    git.RespondWithMap(map[string]string{"diff": "a.go\n"})
//	    ...
//	}
//
// Available mocks:
//
//   - MockGitRunner: git.Runner with scripted responses and call recording
//   - MockDriver: driver.Driver with scripted Generate results and agentic streams
//   - MockSandbox: sandbox.Sandbox that replays canned output lines
//   - MockExecutor, MockStarter: exec.Executor and exec.Starter recording commands
package mocks
