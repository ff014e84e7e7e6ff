package middleware

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"net/http"
	"sort"
	"strings"

	"github.com/gin-gonic/gin"
)

const SignatureHeader = "X-Twilio-Signature"

// SMSSignature verifies provider webhooks signed the Twilio way: HMAC-SHA1
// over the public URL followed by every form key and value sorted by key.
// publicURL overrides the URL rebuilt from the request when the service sits
// behind a proxy. An empty secret disables verification.
func SMSSignature(secret, publicURL string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if secret == "" {
			c.Next()
			return
		}
		if err := c.Request.ParseForm(); err != nil {
			abort(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid form body")
			return
		}
		url := publicURL
		if url == "" {
			url = requestURL(c.Request)
		}
		want := SignSMSWebhook(secret, url, c.Request.PostForm)
		got := c.GetHeader(SignatureHeader)
		if !hmac.Equal([]byte(want), []byte(got)) {
			abort(c, http.StatusUnauthorized, "INVALID_SIGNATURE", "Webhook signature mismatch")
			return
		}
		c.Next()
	}
}

func SignSMSWebhook(secret, url string, form map[string][]string) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(url)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if fwd := r.Header.Get("X-Forwarded-Proto"); fwd != "" {
		scheme = fwd
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}
