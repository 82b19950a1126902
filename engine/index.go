package engine

import (
	"bytes"
	"sort"

	"github.com/google/btree"
)

type indexItem struct {
	val  []byte
	keys map[string]struct{}
}

func (ii *indexItem) Less(item btree.Item) bool {
	return bytes.Compare(ii.val, item.(*indexItem).val) < 0
}

// valueIndex maps each value to the set of keys whose page cell holds that value.
type valueIndex struct {
	tree *btree.BTree
}

func newValueIndex() *valueIndex {
	return &valueIndex{
		tree: btree.New(16),
	}
}

func (vi *valueIndex) add(val, key []byte) {
	item := vi.tree.Get(&indexItem{val: val})
	if item == nil {
		ii := &indexItem{
			val:  append([]byte(nil), val...),
			keys: map[string]struct{}{},
		}
		vi.tree.ReplaceOrInsert(ii)
		item = ii
	}
	item.(*indexItem).keys[string(key)] = struct{}{}
}

func (vi *valueIndex) remove(val, key []byte) {
	item := vi.tree.Get(&indexItem{val: val})
	if item == nil {
		return
	}
	ii := item.(*indexItem)
	delete(ii.keys, string(key))
	if len(ii.keys) == 0 {
		vi.tree.Delete(ii)
	}
}

// find returns the keys indexed under val in sorted order.
func (vi *valueIndex) find(val []byte) [][]byte {
	item := vi.tree.Get(&indexItem{val: val})
	if item == nil {
		return nil
	}
	var keys []string
	for key := range item.(*indexItem).keys {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	ret := make([][]byte, 0, len(keys))
	for _, key := range keys {
		ret = append(ret, []byte(key))
	}
	return ret
}
