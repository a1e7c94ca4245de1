package dskitadapter

const (
	DataSources        = "datasources"
	BackgroundServices = "background-services"
	Core               = "core"
	All                = "all"
)

func dependencyMap() map[string][]string {
	return map[string][]string{
		DataSources:        {},
		Core:               {DataSources},
		BackgroundServices: {},
		All:                {Core, BackgroundServices},
	}
}
