package activity

import (
	"fmt"
	"net/http"

	"github.com/goclaw/fulfilment/pkg/saga"
)

// Service names a downstream service.
type Service string

const (
	ServiceOrder        Service = "order"
	ServiceShipment     Service = "shipment"
	ServiceNotification Service = "notification"
)

type route struct {
	service Service
	method  string
	path    func(request any) (string, error)
	// body reports whether the request is sent as the JSON body.
	body bool
}

func fixed(path string) func(any) (string, error) {
	return func(any) (string, error) { return path, nil }
}

func cancelPath(format string) func(any) (string, error) {
	return func(request any) (string, error) {
		cancel, ok := request.(saga.CancelRequest)
		if !ok {
			return "", fmt.Errorf("expected saga.CancelRequest, got %T", request)
		}
		return fmt.Sprintf(format, cancel.ID), nil
	}
}

var routes = map[saga.StepName]route{
	saga.StepCreateOrder:             {service: ServiceOrder, method: http.MethodPost, path: fixed("/orders/"), body: true},
	saga.StepCancelOrder:             {service: ServiceOrder, method: http.MethodPut, path: cancelPath("/orders/%d/cancel")},
	saga.StepCreateShipment:          {service: ServiceShipment, method: http.MethodPost, path: fixed("/shipments/"), body: true},
	saga.StepCancelShipment:          {service: ServiceShipment, method: http.MethodPut, path: cancelPath("/shipments/%d/cancel")},
	saga.StepSendNotification:        {service: ServiceNotification, method: http.MethodPost, path: fixed("/notifications/"), body: true},
	saga.StepSendFailureNotification: {service: ServiceNotification, method: http.MethodPost, path: fixed("/notifications/"), body: true},
}
