package gpu

import (
	"embed"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

//go:embed shaders/*.wgsl
var shaderFS embed.FS

const workgroupPlaceholder = "WORKGROUP_SIZE"

// Shader is one of the compute shaders shipped with the package.
type Shader struct {
	Name  string
	Entry string
	// Bindings is the number of group 0 bindings, in binding order.
	Bindings int
	source   string
}

var shaders = map[string]Shader{
	"mat_mul":         {Name: "mat_mul", Entry: "main", Bindings: 4},
	"bicubic_upscale": {Name: "bicubic_upscale", Entry: "main", Bindings: 3},
}

func init() {
	for name, s := range shaders {
		src, err := shaderFS.ReadFile("shaders/" + name + ".wgsl")
		if err != nil {
			panic(fmt.Sprintf("gpu: missing embedded shader %s: %v", name, err))
		}
		s.source = string(src)
		shaders[name] = s
	}
}

// LookupShader returns the shipped shader called name.
func LookupShader(name string) (Shader, bool) {
	s, ok := shaders[name]
	return s, ok
}

// Source returns the WGSL text with the 2-D workgroup tile for
// workgroupSize invocations filled in.
func (s Shader) Source(workgroupSize uint32) string {
	t := Tile(workgroupSize)
	return strings.ReplaceAll(s.source, workgroupPlaceholder, fmt.Sprintf("%d, %d", t[0], t[1]))
}

var workgroupSizeRe = regexp.MustCompile(`@workgroup_size\((\d+)(?:\s*,\s*(\d+))?(?:\s*,\s*(\d+))?\)`)

// parseWorkgroupSize extracts the @workgroup_size attribute from WGSL source.
func parseWorkgroupSize(source string) ([3]uint32, error) {
	m := workgroupSizeRe.FindStringSubmatch(source)
	if m == nil {
		return [3]uint32{}, fmt.Errorf("no @workgroup_size attribute")
	}
	size := [3]uint32{1, 1, 1}
	for i := 0; i < 3; i++ {
		if m[i+1] == "" {
			continue
		}
		v, err := strconv.ParseUint(m[i+1], 10, 32)
		if err != nil || v == 0 {
			return [3]uint32{}, fmt.Errorf("invalid workgroup size %q", m[i+1])
		}
		size[i] = uint32(v)
	}
	return size, nil
}
