package version

const (
	// ReceiptVersion is the version of the run receipt JSON.
	ReceiptVersion = "v1.0.0"
	// CoreVersion tracks harness semantics; bump when error kinds or outcome classes change.
	CoreVersion = "v0.4.0"
	// WorkerProtocol is bumped whenever request.json or result.json change incompatibly.
	WorkerProtocol = 1
)
