package proto

// WriteInternalError answers req with a 500 page carrying message. It fails
// with ErrHeadersSent when the application already started a response.
func WriteInternalError(req *Request, message string) error {
	if err := req.WriteHeader(500, Header{Key: "Content-Type", Value: "text/html"}); err != nil {
		return err
	}
	_, err := req.WriteString("<h1>uWSGI Error</h1>" + message)
	return err
}
