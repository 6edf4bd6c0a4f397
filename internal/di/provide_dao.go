package di

import (
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/savaki/ec2-resizer/internal/dao/lockdao"
	"github.com/savaki/ec2-resizer/internal/dao/resizedao"
)

func ProvideResizeDAO(env string, client *dynamodb.Client) *resizedao.DAO {
	return resizedao.New(client, resizedao.TableName(env))
}

func ProvideLockDAO(env string, client *dynamodb.Client) *lockdao.DAO {
	return lockdao.New(client, lockdao.TableName(env))
}
