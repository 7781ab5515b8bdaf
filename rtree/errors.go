package rtree

import "errors"

// ErrBadTree is returned by every operation attempted on an
// uninitialized tree value (the zero Tree{}). It signals programmer
// error: state is never changed.
var ErrBadTree = errors.New("rtree: operation on uninitialized tree")

// ErrKeyExists is returned by Insert when leaf_id already exists. The
// tree is returned unchanged; callers decide whether to Update or
// Upsert instead.
var ErrKeyExists = errors.New("rtree: key already exists")

// ErrDimensionMismatch is returned when a box's dimensionality doesn't
// match the tree's established dimensionality. The reference source
// leaves this case undefined; this implementation rejects it rather
// than silently corrupting the tree.
var ErrDimensionMismatch = errors.New("rtree: box dimensionality does not match tree")
