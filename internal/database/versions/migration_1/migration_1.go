package migration_1

import (
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Codon struct {
	Id           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name         string
	CodonsNumber int
}

// NCBI genetic code tables accepted by the ORF extraction step.
var geneticCodes = []Codon{
	{Name: "Standard Code", CodonsNumber: 1},
	{Name: "Vertebrate Mitochondrial Code", CodonsNumber: 2},
	{Name: "Yeast Mitochondrial Code", CodonsNumber: 3},
	{Name: "Mold, Protozoan, and Coelenterate Mitochondrial Code and the Mycoplasma/Spiroplasma Code", CodonsNumber: 4},
	{Name: "Invertebrate Mitochondrial Code", CodonsNumber: 5},
	{Name: "Ciliate, Dasycladacean and Hexamita Nuclear Code", CodonsNumber: 6},
	{Name: "Echinoderm and Flatworm Mitochondrial Code", CodonsNumber: 9},
	{Name: "Euplotid Nuclear Code", CodonsNumber: 10},
	{Name: "Bacterial, Archaeal and Plant Plastid Code", CodonsNumber: 11},
	{Name: "Alternative Yeast Nuclear Code", CodonsNumber: 12},
	{Name: "Ascidian Mitochondrial Code", CodonsNumber: 13},
	{Name: "Alternative Flatworm Mitochondrial Code", CodonsNumber: 14},
	{Name: "Chlorophycean Mitochondrial Code", CodonsNumber: 16},
	{Name: "Trematode Mitochondrial Code", CodonsNumber: 21},
	{Name: "Scenedesmus obliquus Mitochondrial Code", CodonsNumber: 22},
	{Name: "Thraustochytrium Mitochondrial Code", CodonsNumber: 23},
	{Name: "Rhabdopleuridae Mitochondrial Code", CodonsNumber: 24},
	{Name: "Candidate Division SR1 and Gracilibacteria Code", CodonsNumber: 25},
	{Name: "Pachysolen tannophilus Nuclear Code", CodonsNumber: 26},
	{Name: "Karyorelict Nuclear Code", CodonsNumber: 27},
	{Name: "Condylostoma Nuclear Code", CodonsNumber: 28},
	{Name: "Mesodinium Nuclear Code", CodonsNumber: 29},
	{Name: "Peritrich Nuclear Code", CodonsNumber: 30},
	{Name: "Blastocrithidia Nuclear Code", CodonsNumber: 31},
	{Name: "Cephalodiscidae Mitochondrial UAA-Tyr Code", CodonsNumber: 33},
}

func Migration(db *gorm.DB) error {
	codes := make([]Codon, len(geneticCodes))
	for i, c := range geneticCodes {
		codes[i] = Codon{Id: uuid.New(), Name: c.Name, CodonsNumber: c.CodonsNumber}
	}

	if err := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "codons_number"}},
		DoNothing: true,
	}).Create(&codes).Error; err != nil {
		return fmt.Errorf("error seeding codon tables: %w", err)
	}

	return nil
}

func Rollback(db *gorm.DB) error {
	numbers := make([]int, len(geneticCodes))
	for i, c := range geneticCodes {
		numbers[i] = c.CodonsNumber
	}

	if err := db.Where("codons_number IN ?", numbers).Delete(&Codon{}).Error; err != nil {
		return fmt.Errorf("error removing codon tables: %w", err)
	}

	return nil
}
