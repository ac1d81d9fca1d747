package migrations

func init() {
	Migrations.MustRegister(sqlStep("create_decks.up.sql"), sqlStep("create_decks.down.sql"))
}
