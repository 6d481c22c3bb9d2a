package logins

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// hawkCredentials are the storage credentials issued by the tokenserver.
type hawkCredentials struct {
	ID  string
	Key string
}

// sign sets a Hawk Authorization header on req. Payload hashing is not used.
func (c hawkCredentials) sign(req *http.Request, now time.Time) error {
	nonceBytes := make([]byte, 6)
	if _, err := rand.Read(nonceBytes); err != nil {
		return fmt.Errorf("generate hawk nonce: %w", err)
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	nonce := base64.RawStdEncoding.EncodeToString(nonceBytes)

	host, port := hawkHostPort(req)
	normalized := strings.Join([]string{
		"hawk.1.header",
		ts,
		nonce,
		strings.ToUpper(req.Method),
		req.URL.RequestURI(),
		host,
		port,
		"", // payload hash
		"", // ext
	}, "\n") + "\n"

	m := hmac.New(sha256.New, []byte(c.Key))
	m.Write([]byte(normalized))
	mac := base64.StdEncoding.EncodeToString(m.Sum(nil))

	req.Header.Set("Authorization", fmt.Sprintf(`Hawk id="%s", ts="%s", nonce="%s", mac="%s"`, c.ID, ts, nonce, mac))
	return nil
}

func hawkHostPort(req *http.Request) (string, string) {
	host := strings.ToLower(req.URL.Hostname())
	port := req.URL.Port()
	if port == "" {
		if req.URL.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}
	return host, port
}
