package daemon

import "errors"

// Error taxonomy for the dispatcher and peer sessions. Invalid, NotVerified
// and LicenseInvalid (a rejected Activate key) are reported to the caller
// without closing the peer; Write failures are connection-fatal.
var (
	ErrInvalid        = errors.New("daemon: invalid argument")
	ErrNotVerified    = errors.New("daemon: peer not verified")
	ErrWrite          = errors.New("daemon: write failed")
	ErrPingTimeout    = errors.New("daemon: peer missed ping deadline")
	ErrLicenseNone    = errors.New("daemon: no license configured")
	ErrLicenseInvalid = errors.New("daemon: invalid license")
	ErrLicenseExpired = errors.New("daemon: license expired")
)
