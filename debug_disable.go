//go:build !urp.debug

package urp

func debug(format string, args ...any) {}
