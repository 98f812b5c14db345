package postgres

var MigrateURL = migrateURL
