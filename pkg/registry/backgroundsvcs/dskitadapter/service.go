package dskitadapter

import (
	"context"
	"reflect"

	"github.com/grafana/dskit/services"

	"github.com/grafana/queryrunner/pkg/infra/tracing"
	"github.com/grafana/queryrunner/pkg/registry"
)

var _ services.NamedService = &serviceAdapter{}

type serviceAdapter struct {
	*services.BasicService
	name    string
	service registry.BackgroundService
}

func asNamedService(service registry.BackgroundService) *serviceAdapter {
	name := reflect.TypeOf(service).String()
	a := &serviceAdapter{
		name:    name,
		service: service,
	}
	a.BasicService = services.NewBasicService(nil, a.run, nil).WithName(name)
	return a
}

// run keeps the service running after Run returns without error, so a
// background service that finishes early does not stop the manager.
func (a *serviceAdapter) run(ctx context.Context) error {
	spanCtx, span := tracing.Start(ctx, "background-service.run")
	err := a.service.Run(spanCtx)
	span.End()
	if err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
