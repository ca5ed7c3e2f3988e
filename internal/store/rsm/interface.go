package rsm

type RsmStoreHandler interface {
	InitStatusState() error
}

type RsmHandler interface {
	StoreStatus(info StatusInfo) error
	RemoveStatus(service string) error
	GetStatus(service string) (StatusInfo, error)
	GetStatusList() ([]StatusInfo, error)
}
