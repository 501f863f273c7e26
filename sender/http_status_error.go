package sender

import (
	"errors"
	"fmt"
)

// HTTPStatusError 服务端返回了非 200 状态码
type HTTPStatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s: status %d, body %s", e.Op, e.StatusCode, e.Body)
}

// StatusCode 取出错误里的 HTTP 状态码，不是 HTTPStatusError 时返回 0
func StatusCode(err error) int {
	var se *HTTPStatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}
