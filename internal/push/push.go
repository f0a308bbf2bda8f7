// Package push defines the contract the workers consume for the vendor push
// channel, and the adapter backed by the real vendor client library.
package push

// Registration is the device identity material returned by the vendor.
type Registration struct {
	FCMToken      string
	GCMToken      string
	AndroidID     uint64
	SecurityToken uint64
}

// Client is the blocking vendor push client consumed by a worker.
//
// The client owns its connection: StartListening blocks until the stream
// terminates and invokes the installed data callback once per decrypted
// payload on the client's own goroutine. The callback must not block.
type Client interface {
	// CreateNewKeys generates fresh ECDH and auth material, returned base64-encoded.
	CreateNewKeys() (privateKey, authSecret string, err error)
	// LoadKeys installs previously generated key material for payload decryption.
	LoadKeys(privateKey, authSecret string) error
	// Register performs the one-shot vendor registration call.
	Register() (Registration, error)
	// SetRegistration replays cached registration material without re-registering.
	SetRegistration(reg Registration)
	// SubscribeToTopic subscribes the device to one topic. Failures are non-fatal.
	SubscribeToTopic(topic string) error
	// OnDataMessage installs the synchronous per-payload callback.
	OnDataMessage(fn func(payload []byte))
	// StartListening connects and blocks until the stream closes. A nil
	// return means a clean close; an error means the connection dropped.
	StartListening() error
	// Close tears down the connection, unblocking StartListening where the
	// underlying transport supports it.
	Close()
}

// Factory builds a Client for one credential's vendor identity triple.
type Factory func(apiKey, appID, projectID string) (Client, error)
