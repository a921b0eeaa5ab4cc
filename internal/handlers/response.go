package handlers

import (
	"io"
	"net/http"

	"github.com/sirupsen/logrus"
)

func forwardResponse(w http.ResponseWriter, resp *http.Response, log *logrus.Entry) {
	for k, v := range resp.Header {
		w.Header()[k] = v
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		log.WithError(err).Debug("Failed to copy upstream response")
	}
}

func HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, "ok\n")
}
