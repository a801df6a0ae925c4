// Package events declares the capability-set listener interface the
// terminal state mirror, history storage, and health monitor each
// partially implement, plus the event payload shapes that do not
// naturally belong to any single collaborator.
package events

import (
	"time"

	"github.com/coachpo/termconnect/internal/model"
)

// Listener is the full capability set a synchronization event may be
// dispatched against. Collaborators embed BaseListener and override only
// the callbacks they care about, rather than implementing a Java-style
// abstract base class with every method.
type Listener interface {
	OnConnected()
	OnDisconnected()
	OnAccountInformationUpdated(info model.AccountInformation)
	OnPositionsReplaced(positions []model.Position)
	OnPositionUpdated(position model.Position)
	OnPositionRemoved(id string)
	OnOrdersReplaced(orders []model.Order)
	OnOrderUpdated(order model.Order)
	OnOrderCompleted(id string)
	OnSymbolSpecificationUpdated(spec model.SymbolSpecification)
	OnSymbolPricesUpdated(prices []model.SymbolPrice, override model.PriceOverride)
	OnDealAdded(deal model.Deal)
	OnHistoryOrderAdded(order model.HistoryOrder)
	OnSynchronizationStarted(synchronizationID string)
	OnOrderSynchronizationFinished(synchronizationID string)
	OnDealSynchronizationFinished(synchronizationID string)
	OnBrokerConnectionStatusChanged(connected bool, at time.Time)
	OnServerHealthStatus(status map[string]any)
}

// BaseListener provides no-op defaults for every Listener callback so a
// collaborator can embed it and override only what it needs.
type BaseListener struct{}

func (BaseListener) OnConnected()                                            {}
func (BaseListener) OnDisconnected()                                         {}
func (BaseListener) OnAccountInformationUpdated(model.AccountInformation)    {}
func (BaseListener) OnPositionsReplaced([]model.Position)                    {}
func (BaseListener) OnPositionUpdated(model.Position)                        {}
func (BaseListener) OnPositionRemoved(string)                                {}
func (BaseListener) OnOrdersReplaced([]model.Order)                          {}
func (BaseListener) OnOrderUpdated(model.Order)                              {}
func (BaseListener) OnOrderCompleted(string)                                 {}
func (BaseListener) OnSymbolSpecificationUpdated(model.SymbolSpecification)  {}
func (BaseListener) OnSymbolPricesUpdated([]model.SymbolPrice, model.PriceOverride) {
}
func (BaseListener) OnDealAdded(model.Deal)                          {}
func (BaseListener) OnHistoryOrderAdded(model.HistoryOrder)          {}
func (BaseListener) OnSynchronizationStarted(string)                 {}
func (BaseListener) OnOrderSynchronizationFinished(string)            {}
func (BaseListener) OnDealSynchronizationFinished(string)             {}
func (BaseListener) OnBrokerConnectionStatusChanged(bool, time.Time) {}
func (BaseListener) OnServerHealthStatus(map[string]any)             {}

var _ Listener = BaseListener{}
