package rsm

import (
	"fmt"
	"sort"
)

func NewRsmManager(rsmStore *RsmStore) *RsmManager {
	return &RsmManager{
		rsmStore: rsmStore,
	}
}

type RsmManager struct {
	rsmStore *RsmStore
}

func (m *RsmManager) StoreStatus(info StatusInfo) error {
	return m.rsmStore.withLock(func(st *StatusState) error {
		st.Services[info.Service] = info
		return nil
	})
}

func (m *RsmManager) RemoveStatus(service string) error {
	return m.rsmStore.withLock(func(st *StatusState) error {
		if _, ok := st.Services[service]; !ok {
			return nil
		}
		delete(st.Services, service)
		return nil
	})
}

func (m *RsmManager) GetStatus(service string) (StatusInfo, error) {
	var out StatusInfo
	err := m.rsmStore.withLock(func(st *StatusState) error {
		info, ok := st.Services[service]
		if !ok {
			return fmt.Errorf("service=%s not found", service)
		}
		out = info
		return nil
	})
	return out, err
}

func (m *RsmManager) GetStatusList() ([]StatusInfo, error) {
	var out []StatusInfo
	err := m.rsmStore.withLock(func(st *StatusState) error {
		for _, info := range st.Services {
			out = append(out, info)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}
