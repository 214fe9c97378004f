//go:build windows || plan9

package observability

import "errors"

// DialSyslog is unavailable on this platform.
func DialSyslog(tag string) (SyslogWriter, error) {
	return nil, errors.New("syslog is not supported on this platform")
}
