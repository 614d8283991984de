// Package lineartest assembles small kernel modules for tests.
//
// The modules are encoded directly in the WebAssembly binary format so the
// real wazero path can be exercised without a toolchain for the kernels.
package lineartest

import "bytes"

const (
	i32 = 0x7f
	f32 = 0x7d
)

// Func is one exported function of a test module.
type Func struct {
	Name    string
	Params  []byte
	Results []byte
	Locals  []byte
	Body    []byte
}

// Build encodes a module with one memory of pages pages exported as
// "memory" and funcs exported under their names.
func Build(pages uint32, funcs ...Func) []byte {
	var out bytes.Buffer
	out.Write([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00})

	var types bytes.Buffer
	writeU32(&types, uint32(len(funcs)))
	for _, f := range funcs {
		types.WriteByte(0x60)
		writeU32(&types, uint32(len(f.Params)))
		types.Write(f.Params)
		writeU32(&types, uint32(len(f.Results)))
		types.Write(f.Results)
	}
	section(&out, 1, types.Bytes())

	var fns bytes.Buffer
	writeU32(&fns, uint32(len(funcs)))
	for i := range funcs {
		writeU32(&fns, uint32(i))
	}
	section(&out, 3, fns.Bytes())

	var mem bytes.Buffer
	writeU32(&mem, 1)
	mem.WriteByte(0x00)
	writeU32(&mem, pages)
	section(&out, 5, mem.Bytes())

	var exports bytes.Buffer
	writeU32(&exports, uint32(len(funcs)+1))
	writeName(&exports, "memory")
	exports.WriteByte(0x02)
	writeU32(&exports, 0)
	for i, f := range funcs {
		writeName(&exports, f.Name)
		exports.WriteByte(0x00)
		writeU32(&exports, uint32(i))
	}
	section(&out, 7, exports.Bytes())

	var code bytes.Buffer
	writeU32(&code, uint32(len(funcs)))
	for _, f := range funcs {
		var entry bytes.Buffer
		writeU32(&entry, uint32(len(f.Locals)))
		for _, l := range f.Locals {
			writeU32(&entry, 1)
			entry.WriteByte(l)
		}
		entry.Write(f.Body)
		writeU32(&code, uint32(entry.Len()))
		code.Write(entry.Bytes())
	}
	section(&out, 10, code.Bytes())

	return out.Bytes()
}

// KernelModule returns a module exporting real vec_dot, vec_add and
// vec_normalize kernels and a vec_sub export with the wrong signature.
func KernelModule() []byte {
	return Build(1, VecDot(), VecAdd(), VecNormalize(), BadVecSub())
}

// EmptyModule returns a module with memory and no kernels.
func EmptyModule() []byte {
	return Build(1)
}

// VecDot is vec_dot(a, b, n) -> f32 with locals i (3) and acc (4).
func VecDot() Func {
	body := []byte{
		0x02, 0x40, // block
		0x03, 0x40, // loop
		0x20, 3, 0x20, 2, 0x4f, 0x0d, 1, // i >= n -> break
		0x20, 4,
	}
	body = append(body, loadF32(0, 3)...)
	body = append(body, loadF32(1, 3)...)
	body = append(body,
		0x94, 0x92, 0x21, 4, // acc += a*b
		0x20, 3, 0x41, 1, 0x6a, 0x21, 3, // i++
		0x0c, 0, // continue
		0x0b, 0x0b,
		0x20, 4,
		0x0b,
	)
	return Func{
		Name:    "vec_dot",
		Params:  []byte{i32, i32, i32},
		Results: []byte{f32},
		Locals:  []byte{i32, f32},
		Body:    body,
	}
}

// VecAdd is vec_add(a, b, out, n) with local i (4).
func VecAdd() Func {
	body := []byte{
		0x02, 0x40,
		0x03, 0x40,
		0x20, 4, 0x20, 3, 0x4f, 0x0d, 1,
		0x20, 2, 0x20, 4, 0x41, 4, 0x6c, 0x6a, // out + i*4
	}
	body = append(body, loadF32(0, 4)...)
	body = append(body, loadF32(1, 4)...)
	body = append(body,
		0x92,             // f32.add
		0x38, 0x02, 0x00, // f32.store
		0x20, 4, 0x41, 1, 0x6a, 0x21, 4,
		0x0c, 0,
		0x0b, 0x0b,
		0x0b,
	)
	return Func{
		Name:   "vec_add",
		Params: []byte{i32, i32, i32, i32},
		Locals: []byte{i32},
		Body:   body,
	}
}

// VecNormalize is vec_normalize(ptr, n), in place, with locals i (2),
// acc (3) and length (4). A zero vector is left unchanged.
func VecNormalize() Func {
	body := []byte{
		0x02, 0x40,
		0x03, 0x40,
		0x20, 2, 0x20, 1, 0x4f, 0x0d, 1, // i >= n -> break
		0x20, 3,
	}
	body = append(body, loadF32(0, 2)...)
	body = append(body, loadF32(0, 2)...)
	body = append(body,
		0x94, 0x92, 0x21, 3, // acc += v*v
		0x20, 2, 0x41, 1, 0x6a, 0x21, 2,
		0x0c, 0,
		0x0b, 0x0b,
		0x20, 3, 0x91, 0x21, 4, // length = sqrt(acc)
		0x20, 4, 0x43, 0, 0, 0, 0, 0x5e, // length > 0
		0x04, 0x40,
		0x41, 0, 0x21, 2, // i = 0
		0x02, 0x40,
		0x03, 0x40,
		0x20, 2, 0x20, 1, 0x4f, 0x0d, 1,
		0x20, 0, 0x20, 2, 0x41, 4, 0x6c, 0x6a, // ptr + i*4
	)
	body = append(body, loadF32(0, 2)...)
	body = append(body,
		0x20, 4, 0x95, // v / length
		0x38, 0x02, 0x00,
		0x20, 2, 0x41, 1, 0x6a, 0x21, 2,
		0x0c, 0,
		0x0b, 0x0b,
		0x0b, // end if
		0x0b,
	)
	return Func{
		Name:   "vec_normalize",
		Params: []byte{i32, i32},
		Locals: []byte{i32, f32, f32},
		Body:   body,
	}
}

// BadVecSub is exported as vec_sub but takes two parameters instead of four.
func BadVecSub() Func {
	return Func{
		Name:   "vec_sub",
		Params: []byte{i32, i32},
		Body:   []byte{0x0b},
	}
}

// loadF32 pushes f32.load(base + idx*4) for locals base and idx.
func loadF32(base, idx byte) []byte {
	return []byte{
		0x20, base, 0x20, idx, 0x41, 4, 0x6c, 0x6a,
		0x2a, 0x02, 0x00,
	}
}

func section(out *bytes.Buffer, id byte, content []byte) {
	out.WriteByte(id)
	writeU32(out, uint32(len(content)))
	out.Write(content)
}

func writeName(out *bytes.Buffer, name string) {
	writeU32(out, uint32(len(name)))
	out.WriteString(name)
}

func writeU32(out *bytes.Buffer, v uint32) {
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out.WriteByte(b)
		if v == 0 {
			return
		}
	}
}
