package mm

// Size represents a memory block size in bytes.
type Size uint64

// Common memory block sizes.
const (
	Byte Size = 1
	Kb        = 1024 * Byte
	Mb        = 1024 * Kb
	Gb        = 1024 * Mb
)

// PageOrder represents a power-of-two multiple of the base page size and is
// used as an argument to page-based memory allocators.
//
// PageOrder(0) refers to a page with size PageSize << 0
// PageOrder(1) refers to a page with size PageSize << 1
// ...
type PageOrder uint8

// MaxPageOrder is the number of supported page orders. Valid orders are in
// the range [0, MaxPageOrder).
const MaxPageOrder = PageOrder(10)

// Pages returns the number of pages in a block of this order.
func (o PageOrder) Pages() uint64 {
	return 1 << o
}

// Size returns the size in bytes of a block of this order.
func (o PageOrder) Size() Size {
	return Size(PageSize) << o
}

// OrderFor returns the smallest order whose block size can hold size bytes.
func OrderFor(size Size) PageOrder {
	var order PageOrder
	for order.Size() < size {
		order++
	}
	return order
}
