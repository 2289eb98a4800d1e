package agent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Tool-call loop detection thresholds. A "no-progress repeat" is the same
// tool called with the same arguments, producing the same result, more than
// once in a single run — a model stuck retrying something that isn't working.
const (
	loopWarnThreshold     = 3 // repeats before injecting a steering message
	loopCriticalThreshold = 5 // repeats before aborting the turn
)

// toolLoopState tracks repeated identical-argument tool calls within a
// single run to detect a model stuck in a no-progress loop. Zero value is
// ready to use.
type toolLoopState struct {
	calls   map[string]int    // argsHash → call count
	results map[string]string // argsHash → last result seen
	repeats map[string]int    // argsHash → consecutive same-result count
}

// record hashes the tool name + arguments and increments its call count,
// returning the hash for use in recordResult/detect.
func (s *toolLoopState) record(name string, args map[string]interface{}) string {
	if s.calls == nil {
		s.calls = make(map[string]int)
		s.results = make(map[string]string)
		s.repeats = make(map[string]int)
	}
	hash := hashToolCall(name, args)
	s.calls[hash]++
	return hash
}

// recordResult notes the result produced by the call identified by hash,
// tracking whether it matches the previous result for the same call.
func (s *toolLoopState) recordResult(hash, result string) {
	if s.results == nil {
		return
	}
	if prev, ok := s.results[hash]; ok && prev == result {
		s.repeats[hash]++
	} else {
		s.repeats[hash] = 0
	}
	s.results[hash] = result
}

// detect returns ("warning", msg) once a call has repeated with an
// unchanged result loopWarnThreshold times, escalating to ("critical", msg)
// at loopCriticalThreshold. Returns ("", "") when there's nothing to report.
func (s *toolLoopState) detect(name, hash string) (string, string) {
	if s.repeats == nil {
		return "", ""
	}
	repeats := s.repeats[hash]
	switch {
	case repeats >= loopCriticalThreshold:
		return "critical", fmt.Sprintf("tool %q repeated %d times with no change in result", name, repeats+1)
	case repeats >= loopWarnThreshold:
		return "warning", fmt.Sprintf("[System: you've called %s with the same arguments %d times in a row and "+
			"gotten the same result each time. That approach isn't working — try something different.]",
			name, repeats+1)
	default:
		return "", ""
	}
}

// hashToolCall produces a stable key for a tool name + argument set so
// repeated calls with identical arguments map to the same key regardless of
// JSON key ordering.
func hashToolCall(name string, args map[string]interface{}) string {
	// json.Marshal on a map[string]interface{} already sorts keys, so this is
	// stable across calls for the same logical arguments.
	b, err := json.Marshal(args)
	if err != nil {
		b = []byte(fmt.Sprintf("%v", args))
	}
	sum := sha256.Sum256(append([]byte(name+"|"), b...))
	return hex.EncodeToString(sum[:])
}
