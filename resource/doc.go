// Package resource manages the host-side handles a sandbox hands to its
// guest, such as files opened for mapping into linear memory.
//
// A Table maps small integer handles to Go values tagged with a Kind:
//
//	table := resource.NewTable()
//	h := table.Insert(resource.KindFile, f)
//	v, ok := table.GetTyped(h, resource.KindFile)
//	table.Remove(h) // closes f
//
// Handle 0 is never issued. Freed handles are reused, lowest first, the
// way file descriptors are. Values implementing io.Closer or Dropper are
// released when removed or when the table is closed.
//
// Files wraps a Table with an afero filesystem so that guest-visible
// descriptors can be opened, read and consumed by mapFile.
package resource
