package models

import (
	_ "github.com/vlama/vlama/model/models/llava"
)
