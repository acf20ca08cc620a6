//go:build darwin

package endpoint

// fionread is FIONREAD from <sys/filio.h>: _IOR('f', 127, int).
const fionread = 0x4004667f
