package versions

import (
	"log"

	"gorm.io/gorm"

	"collabspace/workspace/schema"
)

func Migration_0_initial_schema(txn *gorm.DB) error {
	log.Println("creating initial workspace schema")

	err := txn.Migrator().AutoMigrate(&schema.DocumentRow{}, &schema.User{})
	if err != nil {
		return err
	}

	log.Println("initial workspace schema complete")

	return nil
}
