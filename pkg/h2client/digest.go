package h2client

import (
	"net/http"

	"github.com/icholy/digest"
)

// createDigestAuth answers the Digest challenge carried by resp for the
// request req was.
func createDigestAuth(req *http.Request, resp *http.Response, username, password string) (string, error) {
	chal, err := digest.FindChallenge(resp.Header)
	if err != nil {
		return "", err
	}
	cred, err := digest.Digest(chal, digest.Options{
		Username: username,
		Password: password,
		Method:   req.Method,
		URI:      req.URL.RequestURI(),
		GetBody:  req.GetBody,
		Count:    1,
	})
	if err != nil {
		return "", err
	}
	return cred.String(), nil
}
