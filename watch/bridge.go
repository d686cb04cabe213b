package watch

import (
	"github.com/lightningnetwork/depositd/dispatch"
	"github.com/lightningnetwork/depositd/store"
)

// toDispatchWatch narrows a store.Watch to the fields dispatch.Deliver
// needs, keeping dispatch free of a dependency on the store package.
func toDispatchWatch(w store.Watch) dispatch.Watch {
	actual := ""
	if w.HasActualAmount {
		actual = w.ActualAmount.String()
	}

	return dispatch.Watch{
		ID:             w.ID,
		UserID:         w.UserID,
		Address:        w.Address,
		Chain:          w.Chain,
		Token:          w.Token,
		ExpectedAmount: w.ExpectedAmount.String(),
		ActualAmount:   actual,
		Confirmations:  w.Confirmations,
		TxHash:         w.TxHash,
		CallbackURL:    w.CallbackURL,
		PaymentID:      w.PaymentID,
	}
}
