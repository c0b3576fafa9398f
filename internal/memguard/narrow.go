package memguard

import "math"

// dictRatio is the distinct-value ratio below which a text column is
// dictionary-encoded.
const dictRatio = 0.5

// floatTolerance is the maximum relative error allowed when narrowing a
// float64 column to float32.
const floatTolerance = 1e-9

// Column is one typed column of a tabular chunk.
type Column interface {
	Name() string
	Len() int
	MemoryBytes() int64
}

// Table is a columnar chunk of parsed rows.
type Table struct {
	Columns []Column
}

// MemoryBytes is the estimated resident size of all columns.
func (t *Table) MemoryBytes() int64 {
	var total int64
	for _, c := range t.Columns {
		total += c.MemoryBytes()
	}
	return total
}

type Int64Column struct {
	ColName string
	Values  []int64
}

func (c *Int64Column) Name() string       { return c.ColName }
func (c *Int64Column) Len() int           { return len(c.Values) }
func (c *Int64Column) MemoryBytes() int64 { return int64(len(c.Values)) * 8 }

type Int32Column struct {
	ColName string
	Values  []int32
}

func (c *Int32Column) Name() string       { return c.ColName }
func (c *Int32Column) Len() int           { return len(c.Values) }
func (c *Int32Column) MemoryBytes() int64 { return int64(len(c.Values)) * 4 }

type Int16Column struct {
	ColName string
	Values  []int16
}

func (c *Int16Column) Name() string       { return c.ColName }
func (c *Int16Column) Len() int           { return len(c.Values) }
func (c *Int16Column) MemoryBytes() int64 { return int64(len(c.Values)) * 2 }

type Int8Column struct {
	ColName string
	Values  []int8
}

func (c *Int8Column) Name() string       { return c.ColName }
func (c *Int8Column) Len() int           { return len(c.Values) }
func (c *Int8Column) MemoryBytes() int64 { return int64(len(c.Values)) }

type Float64Column struct {
	ColName string
	Values  []float64
}

func (c *Float64Column) Name() string       { return c.ColName }
func (c *Float64Column) Len() int           { return len(c.Values) }
func (c *Float64Column) MemoryBytes() int64 { return int64(len(c.Values)) * 8 }

type Float32Column struct {
	ColName string
	Values  []float32
}

func (c *Float32Column) Name() string       { return c.ColName }
func (c *Float32Column) Len() int           { return len(c.Values) }
func (c *Float32Column) MemoryBytes() int64 { return int64(len(c.Values)) * 4 }

type StringColumn struct {
	ColName string
	Values  []string
}

func (c *StringColumn) Name() string { return c.ColName }
func (c *StringColumn) Len() int     { return len(c.Values) }
func (c *StringColumn) MemoryBytes() int64 {
	total := int64(len(c.Values)) * 16 // string headers
	for _, v := range c.Values {
		total += int64(len(v))
	}
	return total
}

// DictColumn stores a low-cardinality text column as codes into a dictionary.
type DictColumn struct {
	ColName string
	Dict    []string
	Codes   []int32
}

func (c *DictColumn) Name() string { return c.ColName }
func (c *DictColumn) Len() int     { return len(c.Codes) }
func (c *DictColumn) MemoryBytes() int64 {
	total := int64(len(c.Codes)) * 4
	total += int64(len(c.Dict)) * 16
	for _, v := range c.Dict {
		total += int64(len(v))
	}
	return total
}

// Value returns the decoded string at row i.
func (c *DictColumn) Value(i int) string { return c.Dict[c.Codes[i]] }

// NarrowReport summarizes the memory effect of a narrowing pass.
type NarrowReport struct {
	BeforeBytes  int64
	AfterBytes   int64
	ReductionPct float64
}

// Narrow returns a copy of the table with each column downcast to the
// narrowest representation that holds its observed values: integers to the
// smallest fitting width, floats to float32 when lossless enough, and
// low-cardinality text to dictionary encoding.
func Narrow(t *Table) (*Table, NarrowReport) {
	before := t.MemoryBytes()
	out := &Table{Columns: make([]Column, 0, len(t.Columns))}
	for _, col := range t.Columns {
		out.Columns = append(out.Columns, narrowColumn(col))
	}
	after := out.MemoryBytes()

	report := NarrowReport{BeforeBytes: before, AfterBytes: after}
	if before > 0 {
		report.ReductionPct = float64(before-after) / float64(before) * 100
	}
	return out, report
}

func narrowColumn(col Column) Column {
	switch c := col.(type) {
	case *Int64Column:
		return narrowInts(c)
	case *Float64Column:
		return narrowFloats(c)
	case *StringColumn:
		return narrowStrings(c)
	default:
		return col
	}
}

func narrowInts(c *Int64Column) Column {
	if len(c.Values) == 0 {
		return c
	}
	lo, hi := c.Values[0], c.Values[0]
	for _, v := range c.Values {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	switch {
	case lo >= math.MinInt8 && hi <= math.MaxInt8:
		vals := make([]int8, len(c.Values))
		for i, v := range c.Values {
			vals[i] = int8(v)
		}
		return &Int8Column{ColName: c.ColName, Values: vals}
	case lo >= math.MinInt16 && hi <= math.MaxInt16:
		vals := make([]int16, len(c.Values))
		for i, v := range c.Values {
			vals[i] = int16(v)
		}
		return &Int16Column{ColName: c.ColName, Values: vals}
	case lo >= math.MinInt32 && hi <= math.MaxInt32:
		vals := make([]int32, len(c.Values))
		for i, v := range c.Values {
			vals[i] = int32(v)
		}
		return &Int32Column{ColName: c.ColName, Values: vals}
	default:
		return c
	}
}

func narrowFloats(c *Float64Column) Column {
	if len(c.Values) == 0 {
		return c
	}
	vals := make([]float32, len(c.Values))
	for i, v := range c.Values {
		narrowed := float32(v)
		back := float64(narrowed)
		if v != 0 && math.Abs(back-v)/math.Abs(v) > floatTolerance {
			return c
		}
		vals[i] = narrowed
	}
	return &Float32Column{ColName: c.ColName, Values: vals}
}

func narrowStrings(c *StringColumn) Column {
	if len(c.Values) == 0 {
		return c
	}
	index := make(map[string]int32)
	codes := make([]int32, len(c.Values))
	var dict []string
	for i, v := range c.Values {
		code, ok := index[v]
		if !ok {
			code = int32(len(dict))
			index[v] = code
			dict = append(dict, v)
		}
		codes[i] = code
	}
	if float64(len(dict))/float64(len(c.Values)) >= dictRatio {
		return c
	}
	return &DictColumn{ColName: c.ColName, Dict: dict, Codes: codes}
}
