package main

import (
	"flag"
	"fmt"
	"log"
	"net/url"
	"strings"

	"consortium_platform/consortium/schema"

	"github.com/go-gormigrate/gormigrate/v2"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func postgresDsn(uri string) string {
	if uri == "" {
		log.Fatalf("Missing --db_uri arg")
	}
	parts, err := url.Parse(uri)
	if err != nil {
		log.Fatalf("error parsing db uri: %v", err)
	}
	pwd, _ := parts.User.Password()
	dbname := strings.TrimPrefix(parts.Path, "/")
	return fmt.Sprintf("host=%v user=%v password=%v dbname=%v port=%v", parts.Hostname(), parts.User.Username(), pwd, dbname, parts.Port())
}

func main() {
	dbUri := flag.String("db_uri", "", "Database URI")
	flag.Parse()

	db, err := gorm.Open(postgres.Open(postgresDsn(*dbUri)), &gorm.Config{})
	if err != nil {
		log.Fatalf("error opening database connection: %v", err)
	}

	migration := gormigrate.New(db, gormigrate.DefaultOptions, []*gormigrate.Migration{
		{
			ID: "1_fabric_shortcut_fields",
			Migrate: func(txn *gorm.DB) error {
				type AccessRequest struct {
					ShortcutName     string `gorm:"size:128"`
					ShortcutCreated  bool   `gorm:"not null;default:false"`
					FulfillmentError string
				}
				for _, column := range []string{"ShortcutName", "ShortcutCreated", "FulfillmentError"} {
					if err := txn.Migrator().AddColumn(&AccessRequest{}, column); err != nil {
						return err
					}
				}
				return nil
			},
			Rollback: func(txn *gorm.DB) error {
				type AccessRequest struct{}
				for _, column := range []string{"shortcut_name", "shortcut_created", "fulfillment_error"} {
					if err := txn.Migrator().DropColumn(&AccessRequest{}, column); err != nil {
						return err
					}
				}
				return nil
			},
		},
	})

	migration.InitSchema(func(txn *gorm.DB) error {
		log.Println("clean database detected, running full schema initialization")

		return txn.AutoMigrate(
			&schema.Institution{}, &schema.DataProduct{}, &schema.AccessRequest{},
			&schema.SyncHistory{}, &schema.AuditLog{},
		)
	})

	if err := migration.Migrate(); err != nil {
		log.Fatalf("migration failed: %v", err)
	}

	log.Println("migration completed successfully")
}
