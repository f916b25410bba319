package smtp

import "errors"

// Error kinds returned by the session and line I/O layer. They exist to let callers distinguish recoverable
// protocol-level mistakes from conditions that must end the session, without parsing reply text.
var (
	// ErrProtocolSyntax indicates a malformed command line or reply. Surfaced to the peer as 500/501.
	ErrProtocolSyntax = errors.New("smtp: malformed command syntax")
	// ErrProtocolState indicates a syntactically valid command received out of order. Surfaced as 503.
	ErrProtocolState = errors.New("smtp: command out of sequence")
	// ErrAuthRequired indicates a command was refused because authentication has not completed.
	ErrAuthRequired = errors.New("smtp: authentication required")
	// ErrTLSRequired indicates a command was refused because TLS has not been negotiated.
	ErrTLSRequired = errors.New("smtp: TLS required")
	// ErrMessageRejected wraps a MessageHandler's non-2xx verdict for the log line; the session itself still
	// replies with the handler's own code and recovers locally.
	ErrMessageRejected = errors.New("smtp: message rejected by handler")
	// ErrTransport indicates an I/O failure on the underlying connection; the session cannot continue.
	ErrTransport = errors.New("smtp: transport failure")
	// ErrMessageTooLarge indicates a DATA or BDAT payload exceeded Config.MaxMessageSize. The session replies
	// with a 552-class code before ending, distinct from a genuine transport failure.
	ErrMessageTooLarge = errors.New("smtp: message exceeds maximum size")
	// ErrShutdown indicates the session was asked to quit cooperatively.
	ErrShutdown = errors.New("smtp: server is shutting down")
)
