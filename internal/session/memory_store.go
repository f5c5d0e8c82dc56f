package session

import (
	"sort"
	"sync"
)

type MemoryStore struct {
	records sync.Map
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (st *MemoryStore) Save(rec Record) {
	st.records.Store(rec.ID, rec)
}

func (st *MemoryStore) Get(id string) (Record, bool) {
	val, ok := st.records.Load(id)
	if !ok {
		return Record{}, false
	}
	return val.(Record), true
}

func (st *MemoryStore) Delete(id string) {
	st.records.Delete(id)
}

func (st *MemoryStore) List() []Record {
	var out []Record
	st.records.Range(func(_, value interface{}) bool {
		out = append(out, value.(Record))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (st *MemoryStore) Close() error {
	return nil
}
