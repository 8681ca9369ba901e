package packet

import "fmt"

// Product ids reported in the high byte of the factory field.
const (
	PRODUCT_HDL32E    = 0x21
	PRODUCT_VLP16     = 0x22 // also Puck LITE
	PRODUCT_PUCKHIRES = 0x24
	PRODUCT_VLP32C    = 0x28
	PRODUCT_VELARRAY  = 0x31
	PRODUCT_VLS128    = 0xA1
)

var productNames = map[uint8]string{
	PRODUCT_HDL32E:    "HDL-32E",
	PRODUCT_VLP16:     "VLP-16",
	PRODUCT_PUCKHIRES: "Puck Hi-Res",
	PRODUCT_VLP32C:    "VLP-32C",
	PRODUCT_VELARRAY:  "Velarray",
	PRODUCT_VLS128:    "VLS-128",
}

// ProductName returns a human readable model name for a product id byte.
func ProductName(id uint8) string {
	if name, ok := productNames[id]; ok {
		return name
	}
	return fmt.Sprintf("unknown(0x%02x)", id)
}
