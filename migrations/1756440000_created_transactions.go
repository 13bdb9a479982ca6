package migrations

import (
	"github.com/pocketbase/pocketbase/core"
	m "github.com/pocketbase/pocketbase/migrations"
)

func init() {
	m.Register(func(app core.App) error {
		collection := core.NewBaseCollection("transactions")

		collection.Fields.Add(
			&core.TextField{Name: "payment_id", Required: true},
			&core.TextField{Name: "request_id"},
			&core.TextField{Name: "tx_id"},
			&core.TextField{Name: "from_account"},
			&core.TextField{Name: "to_account"},
			// Monetary values are stored as decimal strings; float
			// columns would lose the gateway's exact amounts.
			&core.TextField{Name: "amount"},
			&core.TextField{Name: "fee"},
			&core.TextField{Name: "discount"},
			&core.TextField{Name: "commission"},
			&core.TextField{Name: "total_amount"},
			&core.TextField{Name: "content"},
			&core.TextField{Name: "qr_code"},
			&core.SelectField{
				Name:      "status",
				Required:  true,
				MaxSelect: 1,
				Values:    []string{"INIT", "PENDING", "WAITING_CONFIRM", "SUCCESS", "FAILED", "EXPIRED"},
			},
			&core.DateField{Name: "initiated_at"},
			&core.NumberField{Name: "expires_in_seconds", OnlyInt: true},
			&core.AutodateField{Name: "created", OnCreate: true},
			&core.AutodateField{Name: "updated", OnCreate: true, OnUpdate: true},
		)

		collection.AddIndex("idx_transactions_payment_id", true, "payment_id", "")
		collection.AddIndex("idx_transactions_status", false, "status", "")

		return app.Save(collection)
	}, func(app core.App) error {
		collection, err := app.FindCollectionByNameOrId("transactions")
		if err != nil {
			return err
		}
		return app.Delete(collection)
	})
}
