package handler

const (
	errInternalServer    = "Internal server error"
	errJobNotFound       = "Job not found"
	errDuplicateJob      = "Job already exists"
	errInvalidTransition = "Job cannot change to the requested state"
	errJobChanged        = "Job changed concurrently, retry"
	errReportRejected    = "Done report could not be recorded"
	errWorkerMismatch    = "Report worker does not match the token"
)
