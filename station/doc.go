// Package station implements the package-stream orchestration of the measurement
// station: barcode pairing within a bounded time window, single-flight upload
// negotiation with the Controller, and the per-package upload state machine.
//
// Data flow:
//
//	scan events -> Grouper -> merged/singleton Package -> Orchestrator -> Uploader
//	            -> Controller (plc) -> on success, image-save + WCS report hand-off
//
// Every Package owns an image resource that is released exactly once on every exit
// path, including cancellation; all terminal outcomes flow through one finalization
// path so resource release and single-flight slot advancement cannot be skipped.
package station
