package migrations

func init() {
	Migrations.MustRegister(sqlStep("create_results.up.sql"), sqlStep("create_results.down.sql"))
}
