package wire

import "time"

const (
	epochAsFiletime       = 116444736000000000
	hundredsOfNanoseconds = 10000000
)

// FiletimeToTime converts a Windows filetime (100-ns ticks since 1601-01-01
// UTC) to a time.Time.
func FiletimeToTime(ft uint64) time.Time {
	s := (int64(ft) - epochAsFiletime) / hundredsOfNanoseconds
	ns100 := (int64(ft) - epochAsFiletime) % hundredsOfNanoseconds
	return time.Unix(s, ns100*100).UTC()
}

// TimeToFiletime converts a time.Time to a Windows filetime.
func TimeToFiletime(t time.Time) uint64 {
	return uint64(epochAsFiletime + t.Unix()*hundredsOfNanoseconds + int64(t.Nanosecond()/100))
}
