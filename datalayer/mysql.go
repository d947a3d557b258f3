package datalayer

import (
	"fmt"

	"github.com/go-playground/validator"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// NewMySQLDataLayer returns a new instance of the *MySQLDataLayer. The
// relatedModels parameter represents the models (tables) the data layer is
// going to use. The map is supposed to be a map from a table name to its model
// as go structure.
// Example: map[string]interface{}{"users": User{}}
func NewMySQLDataLayer(cfg GORMConfig, relatedModels map[string]interface{}) (*MySQLDataLayer, error) {
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("the passed GORMConfig is invalid: %v", err)
	}
	return &MySQLDataLayer{
		GORMDataLayer: GORMDataLayer{Cfg: cfg},
		RelatedModels: relatedModels,
	}, nil
}

// MySQLDataLayer represents a data layer that destroys records in a MySQL
// database.
type MySQLDataLayer struct {
	GORMDataLayer
	RelatedModels map[string]interface{}
}

// Setup contains the data layer preparations like connection etc. Is called
// only once at the very beginning of the work with the data layer. As for the
// MySQLDataLayer, it tests the connection, makes sure the database exists and
// migrates the related models.
func (d *MySQLDataLayer) Setup() error {
	db, err := gorm.Open(mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/?%s", d.Cfg.User, d.Cfg.Password, d.Cfg.Host, d.Cfg.Port, "charset=utf8mb4&parseTime=true")), &gorm.Config{DisableForeignKeyConstraintWhenMigrating: true})
	if err != nil {
		return fmt.Errorf("failed to establish a general connection: %s", err)
	}
	err = db.Exec(fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`  DEFAULT CHARACTER SET = `utf8mb4` DEFAULT COLLATE = `utf8mb4_unicode_ci`;", d.Cfg.Database)).Error
	if err != nil {
		return fmt.Errorf("failed to create database: %v", err)
	}
	db, err = gorm.Open(mysql.Open(fmt.Sprintf("%s:%s@tcp(%s:%s)/%s?%s", d.Cfg.User, d.Cfg.Password, d.Cfg.Host, d.Cfg.Port, d.Cfg.Database, "charset=utf8mb4&parseTime=true")), &gorm.Config{DisableForeignKeyConstraintWhenMigrating: true})
	if err != nil {
		return fmt.Errorf("failed to establish a database connection: %v", err)
	}
	db = db.Set("gorm:table_options", "CHARSET=utf8mb4 ENGINE=InnoDB COLLATE=utf8mb4_unicode_ci")
	d.Client = db.Session(&gorm.Session{Logger: d.Cfg.Logger})
	for table, model := range d.RelatedModels {
		if err := d.Client.Table(table).AutoMigrate(model); err != nil {
			return fmt.Errorf("table %s auto-migration error: %v", table, err)
		}
	}
	return nil
}
