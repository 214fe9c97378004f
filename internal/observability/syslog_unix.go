//go:build !windows && !plan9

package observability

import "log/syslog"

// DialSyslog connects to the local system log with the given tag.
func DialSyslog(tag string) (SyslogWriter, error) {
	if tag == "" {
		tag = DefaultSource
	}
	return syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
}
