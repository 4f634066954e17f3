package server

import "strconv"

// statusText maps HTTP status codes to pre-allocated strings,
// avoiding a strconv.Itoa allocation per request.
var statusText [600]string

func init() {
	for i := range statusText {
		statusText[i] = strconv.Itoa(i)
	}
}

// clampStatus bounds a status code into the statusText table. Aborted
// requests that never produced a response record as status 0.
func clampStatus(status int) int {
	if status < 0 || status >= len(statusText) {
		return 0
	}
	return status
}
