package txmanager

import "context"

type txKey struct{}

// WithTransaction 把事务关联到 ctx 上, tx 为 nil 时解除关联
func WithTransaction(ctx context.Context, tx *Transaction) context.Context {
	return context.WithValue(ctx, txKey{}, tx)
}

// FromContext 取出 ctx 关联的事务
func FromContext(ctx context.Context) (*Transaction, bool) {
	if ctx == nil {
		return nil, false
	}
	tx, ok := ctx.Value(txKey{}).(*Transaction)
	return tx, ok && tx != nil
}
