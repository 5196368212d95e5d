package logger

import (
	"runtime"
	"strings"
)

type PackageNameResolver struct {
	BasePackage string
	Depth       int
}

// PackageName returns the package of the caller relative to BasePackage,
// eg "internal/crank/observer".
func (r *PackageNameResolver) PackageName() string {
	pc, _, _, _ := runtime.Caller(r.depth())
	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return ""
	}
	name := fn.Name()
	if parts := strings.SplitN(name, r.BasePackage, 2); len(parts) == 2 {
		name = parts[1]
	}
	// strip function name, it starts after the first dot of the last path element
	if idx := strings.LastIndex(name, "/"); idx >= 0 {
		if dot := strings.Index(name[idx:], "."); dot >= 0 {
			name = name[:idx+dot]
		}
	} else if dot := strings.Index(name, "."); dot >= 0 {
		name = name[:dot]
	}
	return strings.Trim(name, "/")
}

func (r *PackageNameResolver) depth() int {
	if r.Depth == 0 {
		return 2
	}
	return r.Depth
}
