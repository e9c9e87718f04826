package gateway

import (
	"crypto/ed25519"
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const signVersion = "v1"

// signedHeaders 生成一次请求的签名头。
// 每次（重试）调用都重新生成 request id 与时间戳，旧签名不能复用。
func signedHeaders(c *Credentials, payload string) map[string]string {
	requestID := uuid.NewString()
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	h := map[string]string{
		"Authorization":          "Bearer " + c.AccessToken,
		"x-request-sign-version": signVersion,
		"x-request-id":           requestID,
		"x-request-timestamp":    ts,
	}
	if payload != "" {
		msg := strings.Join([]string{signVersion, requestID, ts, payload}, ",")
		sig := ed25519.Sign(c.SigningKey, []byte(msg))
		h["x-request-signature"] = base64.StdEncoding.EncodeToString(sig)
		h["Content-Type"] = "application/json"
	}
	return h
}
