package forward

import (
	"bytes"
	"io"
)

// DefaultReplayLimit caps how much request body is buffered for failover
// replay. Bodies beyond the cap forward fine but cannot be retried.
const DefaultReplayLimit = 8 << 20 // 8 MiB

// ReadReplayable drains src into memory up to limit bytes. When the body
// fits, excess is nil and the returned bytes replay across failover
// attempts. When it does not, the buffered prefix is returned for
// classification together with a reader that resumes the full body (prefix
// included) for a single streamed attempt.
func ReadReplayable(src io.Reader, limit int64) (body []byte, excess io.Reader, err error) {
	if limit <= 0 {
		limit = DefaultReplayLimit
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(src, limit+1))
	if err != nil {
		return nil, nil, err
	}
	if n > limit {
		return buf.Bytes(), io.MultiReader(bytes.NewReader(buf.Bytes()), src), nil
	}
	return buf.Bytes(), nil, nil
}
