package services

type Variables struct {
	// AutoFulfill makes reconciliation invoke fulfillment synchronously as
	// soon as a request is approved.
	AutoFulfill bool

	// DenyOnMissingOutcome controls what happens when a completed workflow
	// run reports no approval outcome. By default the request is approved
	// anyway (logged as suspicious); when set it is left in Submitted for
	// an operator to resolve.
	DenyOnMissingOutcome bool

	// SourceItemOverride replaces the per-product source lakehouse id during
	// fulfillment. Used in single-lakehouse deployments.
	SourceItemOverride string
}
